package main

const (
	kernelFlag  = "kernel"
	bootFlag    = "boot"
	outFlag     = "out"
	imageFlag   = "image"
	verboseFlag = "verbose"
	serialFlag  = "serial"
	outputFlag  = "output"
)

type outputType int

const (
	tableOut outputType = iota
	jsonOut
)

func resolveOutputType(v string) outputType {
	switch v {
	case "json":
		return jsonOut
	default:
		return tableOut
	}
}
