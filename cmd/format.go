package cmd

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/vaultfs/internal/block"
	"github.com/deploymenttheory/vaultfs/internal/config"
	"github.com/deploymenttheory/vaultfs/internal/txlog"
	"github.com/deploymenttheory/vaultfs/internal/vlog"
)

var formatNblocks uint64

var formatCmd = &cobra.Command{
	Use:   "format",
	Short: "Format a new vaultfs volume",
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := deriveKey(passphrase)
		if err != nil {
			return err
		}
		params, err := config.Load(configPath)
		if err != nil {
			return err
		}

		dev, err := block.OpenFileSet(afero.NewOsFs(), devicePath, params.BlockSize, formatNblocks, true)
		if err != nil {
			return err
		}

		kern, err := txlog.Format(dev, key, params)
		if err != nil {
			return err
		}
		vlog.For("cmd.format").Infof("formatted %s: instance=%s nchunks=%d", devicePath, kern.InstanceID, kern.Chunks.Nchunks())
		fmt.Printf("formatted %s (instance %s)\n", devicePath, kern.InstanceID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(formatCmd)
	formatCmd.Flags().Uint64Var(&formatNblocks, "nblocks", 1<<20, "total blocks the device should hold")
}
