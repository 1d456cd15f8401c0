package main

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "kernelctl",
	Short: "Build, run, and inspect mello-os kernel images.",
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	Run: runRoot,
}

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Link the kernel ELF and boot stage into a bootable image.",
	Run:   runBuild,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Boot a built image under qemu-system-x86_64.",
	Run:   runRun,
}

var procdumpCmd = &cobra.Command{
	Use:     "procdump",
	Aliases: []string{"ps"},
	Short:   "Fetch and render a /proc-style task snapshot from a running kernel's serial console.",
	Run:     runProcdump,
}

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Tail the serial console of a running kernel instance.",
	Run:   runLog,
}

func setupCommands() *cobra.Command {
	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(procdumpCmd)
	rootCmd.AddCommand(logCmd)

	buildCmd.Flags().String(kernelFlag, "kernel.elf", "path to the linked kernel ELF")
	buildCmd.Flags().String(bootFlag, "boot.bin", "path to the boot stage blob")
	buildCmd.Flags().String(outFlag, "mello.img", "output image path")

	runCmd.Flags().String(imageFlag, "mello.img", "image to boot")
	runCmd.Flags().Bool(verboseFlag, false, "verbose host logging")

	procdumpCmd.Flags().String(serialFlag, "", "path to the serial device or FIFO to read the snapshot from")
	procdumpCmd.Flags().String(outputFlag, "table", "output format: table or json")

	logCmd.Flags().String(serialFlag, "", "path to the serial device or FIFO to tail")

	return rootCmd
}
