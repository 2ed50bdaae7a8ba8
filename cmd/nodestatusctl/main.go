package main

import (
    "log"

    "github.com/spf13/cobra"

    nodestatuscli "github.com/amirimatin/go-nodestatus/pkg/cli"
    "github.com/amirimatin/go-nodestatus/pkg/version"
)

func main() {
    if err := newRoot().Execute(); err != nil {
        log.Fatal(err)
    }
}

func newRoot() *cobra.Command {
    root := &cobra.Command{
        Use:           "nodestatusctl",
        Short:         "node status cluster CLI",
        Version:       version.Version + " (" + version.GitHash + ")",
        SilenceUsage:  true,
        SilenceErrors: true,
    }
    nodestatuscli.AddAll(root)
    return root
}
