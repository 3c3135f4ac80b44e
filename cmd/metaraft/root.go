package main

import (
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
)

const (
	defaultAPIAddress = "127.0.0.1:8080"
	apiAddressEnv     = "METARAFT_API_ADDRESS"
)

// globalOptions are shared by the client commands.
type globalOptions struct {
	apiAddress string
	timeout    time.Duration
	output     string
}

func (o *globalOptions) client() *apiClient {
	return newAPIClient(o.apiAddress, o.timeout)
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "metaraft",
		Short: "Raft metadata store",
		Long: `metaraft runs a node of a Raft replicated metadata store and talks to
running nodes through their HTTP API.`,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	apiAddress := os.Getenv(apiAddressEnv)
	if apiAddress == "" {
		apiAddress = defaultAPIAddress
	}
	flags := root.PersistentFlags()
	flags.StringVarP(&opts.apiAddress, "api", "a", apiAddress, "HTTP API address of the node (env "+apiAddressEnv+")")
	flags.DurationVar(&opts.timeout, "timeout", 15*time.Second, "request timeout")
	flags.StringVarP(&opts.output, "output", "o", "text", "output format: text or json")

	root.AddCommand(
		newServeCmd(),
		newStatusCmd(opts),
		newGetCmd(opts),
		newPutCmd(opts),
		newDeleteCmd(opts),
		newMembersCmd(opts),
		newStepdownCmd(opts),
		newConfigCmd(),
		newVersionCmd(),
	)
	return root
}
