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

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Recover a vaultfs volume from its journal",
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := deriveKey(passphrase)
		if err != nil {
			return err
		}
		params, err := config.Load(configPath)
		if err != nil {
			return err
		}

		fs := afero.NewOsFs()
		info, err := fs.Stat(devicePath)
		if err != nil {
			return err
		}
		nblocks := uint64(info.Size()) / uint64(params.BlockSize)

		// Recover reads the superblock to learn the volume's own geometry;
		// the block size and block count passed here only need to match
		// what the device was formatted with (config.Load's default unless
		// the caller overrides it), since FileSet itself is just a fixed-
		// stride file reader.
		dev, err := block.OpenFileSet(fs, devicePath, params.BlockSize, nblocks, false)
		if err != nil {
			return err
		}

		kern, err := txlog.Recover(dev, key)
		if err != nil {
			return err
		}
		vlog.For("cmd.recover").Infof("recovered %s: instance=%s free_chunks=%d", devicePath, kern.InstanceID, kern.Chunks.FreeCount())
		fmt.Printf("recovered %s (instance %s), %d free chunks\n", devicePath, kern.InstanceID, kern.Chunks.FreeCount())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(recoverCmd)
}
