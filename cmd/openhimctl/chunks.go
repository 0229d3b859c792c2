package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/c360/openhim-core/chunkstore"
)

// readInput reads the named file, or stdin for "-" or no argument
func readInput(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(args[0])
}

// storeRequest builds the chunk API request for raw input of kind
func storeRequest(kind string, raw []byte) (chunkstore.Request, error) {
	req := chunkstore.Request{Action: "store", Kind: kind}
	var (
		data []byte
		err  error
	)
	switch kind {
	case chunkstore.KindText.String():
		data, err = json.Marshal(string(raw))
	case chunkstore.KindBytes.String():
		data, err = json.Marshal(raw)
	case "json":
		if !json.Valid(raw) {
			return req, fmt.Errorf("input is not valid JSON")
		}
		req.Kind = ""
		data = raw
	default:
		return req, fmt.Errorf("unknown kind %q: want text, bytes or json", kind)
	}
	req.Data = data
	return req, err
}

func newStoreCmd(opts *globalOptions) *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "store [file|-]",
		Short: "Store a body and print its reference",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			req, err := storeRequest(kind, raw)
			if err != nil {
				return err
			}

			client, err := opts.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close(cmd.Context())

			resp, err := chunkstore.NewClient(client, opts.subject).Call(cmd.Context(), req)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), resp.Reference)
			return nil
		},
	}
	cmd.Flags().StringVarP(&kind, "kind", "k", "text", "Input kind: text, bytes or json")
	return cmd
}

func newRetrieveCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retrieve <reference>",
		Short: "Print a stored body",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close(cmd.Context())

			resp, err := chunkstore.NewClient(client, opts.subject).Call(cmd.Context(),
				chunkstore.Request{Action: "retrieve", Reference: args[0]})
			if err != nil {
				return err
			}
			return writeBody(cmd.OutOrStdout(), resp)
		},
	}
}

// writeBody prints text and bytes raw and sequences as JSON
func writeBody(w io.Writer, resp *chunkstore.Response) error {
	switch resp.Kind {
	case chunkstore.KindText.String():
		var s string
		if err := json.Unmarshal(resp.Data, &s); err != nil {
			return err
		}
		_, err := io.WriteString(w, s)
		return err
	case chunkstore.KindBytes.String():
		var b []byte
		if err := json.Unmarshal(resp.Data, &b); err != nil {
			return err
		}
		_, err := w.Write(b)
		return err
	default:
		_, err := fmt.Fprintln(w, string(resp.Data))
		return err
	}
}

func newDeleteCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <reference>",
		Short: "Delete a stored body",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close(cmd.Context())

			if _, err := chunkstore.NewClient(client, opts.subject).Call(cmd.Context(),
				chunkstore.Request{Action: "delete", Reference: args[0]}); err != nil {
				return err
			}
			printSuccess(cmd.OutOrStdout(), "deleted %s", args[0])
			return nil
		},
	}
}
