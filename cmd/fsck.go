package cmd

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/vaultfs/internal/block"
	"github.com/deploymenttheory/vaultfs/internal/config"
	"github.com/deploymenttheory/vaultfs/internal/txlog"
	"github.com/deploymenttheory/vaultfs/internal/txn"
	"github.com/deploymenttheory/vaultfs/internal/vlog"
)

var fsckBuckets []string

var fsckCmd = &cobra.Command{
	Use:   "fsck",
	Short: "Verify a vaultfs volume's structural integrity",
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
			return fmt.Errorf("fsck: superblock/journal recovery failed: %w", err)
		}

		log := vlog.For("cmd.fsck")
		if kern.Chunks.FreeCount() > kern.Chunks.Nchunks() {
			return fmt.Errorf("fsck: free chunk count %d exceeds total chunks %d", kern.Chunks.FreeCount(), kern.Chunks.Nchunks())
		}

		buckets := fsckBuckets
		if len(buckets) == 0 {
			buckets = []string{"default"}
		}

		failures := 0
		for _, bucket := range buckets {
			ids := kern.TxLogs.ListLogsIn(bucket)
			for _, id := range ids {
				tx := txn.Begin()
				l, err := kern.TxLogs.OpenLog(tx, id, false)
				tx.Abort()
				if err != nil {
					log.Errorf("bucket %s log %v: MHT walk failed: %v", bucket, id, err)
					failures++
					continue
				}
				log.Debugf("bucket %s log %v: %d blocks, root verified", bucket, id, l.Nblocks())
			}
		}

		if failures > 0 {
			return fmt.Errorf("fsck: %d log(s) failed MHT verification", failures)
		}
		fmt.Printf("fsck: %s OK (instance %s)\n", devicePath, kern.InstanceID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(fsckCmd)
	fsckCmd.Flags().StringSliceVar(&fsckBuckets, "bucket", nil, "bucket(s) to verify (default: \"default\")")
}
