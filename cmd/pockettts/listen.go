package main

import (
	"fmt"
	"os"

	"github.com/mcsp-io/mcsp/internal/llm"
	"github.com/mcsp-io/mcsp/internal/transport"
	"github.com/spf13/cobra"
)

func newListenCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Connect to a running daemon's generate broadcast and print tokens",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			if addr == "" {
				addr = cfg.Transport.GenerateAddr
			}

			client, err := transport.Connect(addr, llm.OutputCodec)
			if err != nil {
				return fmt.Errorf("connect to generate broadcast at %s: %w", addr, err)
			}
			defer client.Close()

			for {
				out, err := client.Recv()
				if err != nil {
					return err
				}

				switch v := out.(type) {
				case llm.TokenOutput:
					if _, err := fmt.Fprint(os.Stdout, v.Text); err != nil {
						return err
					}
				case llm.EosOutput:
					_, err := fmt.Fprintln(os.Stdout)
					return err
				}
			}
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "generate broadcast server address")

	return cmd
}
