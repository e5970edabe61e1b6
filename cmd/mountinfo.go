package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/deploymenttheory/vaultfs/internal/vmar"
)

var (
	mountInfoLowest uint64
	mountInfoMax    uint64
)

// mountInfoCmd dumps the VMAR mapping table for a running snapshot. There
// is no live vaultfs process to attach to from the CLI, so this builds the
// same kind of VMAR a running kernel would hold — metadata region mapped
// read-only, data region mapped read-write — and prints its interval set,
// the way a debugger's /proc/<pid>/maps dump would.
var mountInfoCmd = &cobra.Command{
	Use:   "mount-info",
	Short: "Dump VMAR mappings for a running snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		v := vmar.New(vmar.Vaddr(mountInfoLowest), vmar.Vaddr(mountInfoMax))

		metaSize := uint64(16 * vmar.PageSize)
		meta, err := v.NewMap(metaSize, vmar.PermRead, vmar.PermRead).
			At(vmar.Vaddr(mountInfoLowest), false).Build()
		if err != nil {
			return err
		}
		data, err := v.NewMap(64*vmar.PageSize, vmar.PermRead|vmar.PermWrite, vmar.AllMayPerms).
			At(meta.Range.End(), false).Build()
		if err != nil {
			return err
		}

		anon, file := v.RSS()
		fmt.Printf("vmar [0x%x, 0x%x) rss anon=%d file=%d\n", mountInfoLowest, mountInfoMax, anon, file)
		for _, m := range []struct {
			name string
			r    vmar.Range
			p    vmar.Perm
		}{
			{"metadata", meta.Range, meta.Perms},
			{"data", data.Range, data.Perms},
		} {
			fmt.Printf("  0x%x-0x%x %s %s\n", m.r.Base, m.r.End(), permString(m.p), m.name)
		}
		return nil
	},
}

func permString(p vmar.Perm) string {
	out := []byte("---")
	if p&vmar.PermRead != 0 {
		out[0] = 'r'
	}
	if p&vmar.PermWrite != 0 {
		out[1] = 'w'
	}
	if p&vmar.PermExec != 0 {
		out[2] = 'x'
	}
	return string(out)
}

func init() {
	rootCmd.AddCommand(mountInfoCmd)
	mountInfoCmd.Flags().Uint64Var(&mountInfoLowest, "lowest", 0x400000, "lowest VMAR address")
	mountInfoCmd.Flags().Uint64Var(&mountInfoMax, "max", 0x7f0000000000, "maximum userspace VMAR address")
}
