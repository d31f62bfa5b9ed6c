package main

import (
	"context"
	"fmt"
	"log"

	"github.com/go-rbm/rbm/pkg/rbm"
	"github.com/go-rbm/rbm/pkg/rbm/blockdevice"
	"github.com/spf13/pflag"
)

func main() {
	blockSize := pflag.Uint32("block-size", 4096, "Device block size in bytes")
	pflag.Parse()

	if pflag.NArg() != 1 {
		log.Fatal("Usage: rbm_inspect [flags] <device-path>")
	}
	path := pflag.Arg(0)

	device := blockdevice.NewMetricsBlockDevice(blockdevice.NewFileBlockDevice(int(*blockSize)))
	manager := rbm.NewManager(device)
	if err := manager.Open(context.Background(), path); err != nil {
		log.Fatalf("Failed to open %#v: %s", path, err)
	}
	defer manager.Close()

	stat := manager.Stat()
	fmt.Printf("path:             %s\n", stat.Path)
	fmt.Printf("uuid:             %s\n", stat.UUID)
	fmt.Printf("block_size:       %d\n", stat.BlockSize)
	fmt.Printf("size:             %d\n", stat.Size)
	fmt.Printf("free_block_count: %d\n", stat.FreeBlockCount)
	fmt.Printf("start_data_area:  %d\n", stat.StartDataArea)
}
