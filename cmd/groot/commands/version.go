package commands

import (
	"fmt"

	groot "github.com/burgrp-go/groot/pkg"
	"github.com/spf13/cobra"
)

var Version = "local-build"

func GetVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Long:  `Shows version of groot command line tool and the protocol version it speaks.`,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s (protocol %d)\n", Version, groot.ProtocolVersion)
		},
	}
}
