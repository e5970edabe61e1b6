package cmd

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/vaultfs/internal/block"
	"github.com/deploymenttheory/vaultfs/internal/config"
	"github.com/deploymenttheory/vaultfs/internal/txlog"
	"github.com/deploymenttheory/vaultfs/internal/txn"
)

var bucketName string

var bucketCmd = &cobra.Command{
	Use:   "bucket",
	Short: "List the tx logs registered under a bucket",
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
		dev, err := block.OpenFileSet(fs, devicePath, params.BlockSize, nblocks, false)
		if err != nil {
			return err
		}

		kern, err := txlog.Recover(dev, key)
		if err != nil {
			return err
		}

		ids := kern.TxLogs.ListLogsIn(bucketName)
		if len(ids) == 0 {
			fmt.Printf("bucket %q is empty\n", bucketName)
			return nil
		}
		fmt.Printf("bucket %q:\n", bucketName)
		for _, id := range ids {
			tx := txn.Begin()
			log, err := kern.TxLogs.OpenLog(tx, id, false)
			tx.Abort()
			if err != nil {
				fmt.Printf("  %v: %v\n", id, err)
				continue
			}
			fmt.Printf("  %v: %d blocks\n", id, log.Nblocks())
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(bucketCmd)
	bucketCmd.Flags().StringVar(&bucketName, "name", "", "bucket name to list (required)")
	bucketCmd.MarkFlagRequired("name")
}
