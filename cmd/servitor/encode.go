package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/go-go-golems/servitor/pkg/config"
	"github.com/go-go-golems/servitor/pkg/features"
	"github.com/go-go-golems/servitor/pkg/runtimes/forest"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

type encodedItem struct {
	Item   string    `json:"item" yaml:"item"`
	OnBits []int     `json:"on_bits,omitempty" yaml:"on_bits,omitempty"`
	Vector []float32 `json:"vector,omitempty" yaml:"vector,omitempty,flow"`
}

func newEncodeCommand() *cobra.Command {
	t := config.Defaults().Transformer

	cmd := &cobra.Command{
		Use:   "encode [ITEM...]",
		Short: "Encode SMILES strings or text into feature vectors",
		Long:  "Encode the given items, or one item per line of stdin when none are given.",
	}
	cmd.Flags().String("algorithm", t.Algorithm, "Feature algorithm")
	cmd.Flags().Int("n-bits", t.NBits, "Vector length")
	cmd.Flags().Int("radius", t.Radius, "Fingerprint radius")
	cmd.Flags().String("output", "yaml", "Output format (yaml, json)")
	cmd.Flags().Bool("dense", false, "Print full vectors instead of the indices of set bits")
	cmd.Flags().Int("parallelism", t.Parallelism, "Concurrent encodings")
	keys := map[string]string{
		"algorithm":   "transformer.algorithm",
		"n-bits":      "transformer.n-bits",
		"radius":      "transformer.radius",
		"parallelism": "transformer.parallelism",
	}

	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		return bindFlags(cmd.Flags(), keys)
	}
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		s, err := loadSettings()
		if err != nil {
			return err
		}
		output, _ := cmd.Flags().GetString("output")
		dense, _ := cmd.Flags().GetBool("dense")

		items := args
		if len(items) == 0 {
			items, err = readLines(cmd.InOrStdin())
			if err != nil {
				return err
			}
		}
		codec, err := features.New(s.Transformer.CodecConfig())
		if err != nil {
			return err
		}
		return encodeItems(cmd.Context(), codec, items, s.Transformer.Parallelism, dense, output, cmd.OutOrStdout())
	}
	return cmd
}

func readLines(r io.Reader) ([]string, error) {
	var ret []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			ret = append(ret, line)
		}
	}
	return ret, scanner.Err()
}

func encodeItems(
	ctx context.Context,
	codec features.Codec,
	items []string,
	parallelism int,
	dense bool,
	output string,
	w io.Writer,
) error {
	vectors, err := features.ParallelEncodeBatch(ctx, codec, items, parallelism)
	if err != nil {
		return err
	}

	ret := make([]encodedItem, len(items))
	for i, v := range vectors {
		ret[i] = encodedItem{Item: items[i]}
		if dense {
			ret[i].Vector = v
		} else {
			ret[i].OnBits = v.OnBits()
		}
	}

	switch output {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(ret)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(ret); err != nil {
			return err
		}
		return enc.Close()
	}
	return errors.Errorf("unknown output format %q", output)
}

func newForestSchemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "forest-schema",
		Short: "Print the JSON schema of decision forest artifacts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := forest.SchemaJSON()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			if err != nil {
				return errors.Wrap(err, "could not write schema")
			}
			return nil
		},
	}
}
