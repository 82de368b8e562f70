package main

import (
	"flag"
	"fmt"

	"github.com/tinyrange/mzhv/internal/driver"
)

func runMap(args []string) error {
	fs := flag.NewFlagSet("map", flag.ContinueOnError)
	socket := socketFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 3 {
		return fmt.Errorf("map: want <originalVA> <rwVA> <fetchVA>, got %d args", fs.NArg())
	}

	originalVA, err := parseAddr(fs.Arg(0))
	if err != nil {
		return err
	}
	rwVA, err := parseAddr(fs.Arg(1))
	if err != nil {
		return err
	}
	fetchVA, err := parseAddr(fs.Arg(2))
	if err != nil {
		return err
	}

	client, err := driver.Dial(*socket)
	if err != nil {
		return fmt.Errorf("map: %w", err)
	}
	defer client.Close()

	if err := client.Map(originalVA, rwVA, fetchVA); err != nil {
		return fmt.Errorf("map: %w", err)
	}
	fmt.Printf("mapped 0x%x -> rw=0x%x fetch=0x%x\n", originalVA, rwVA, fetchVA)
	return nil
}

func runUnmap(args []string) error {
	fs := flag.NewFlagSet("unmap", flag.ContinueOnError)
	socket := socketFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("unmap: want <originalVA>, got %d args", fs.NArg())
	}

	originalVA, err := parseAddr(fs.Arg(0))
	if err != nil {
		return err
	}

	client, err := driver.Dial(*socket)
	if err != nil {
		return fmt.Errorf("unmap: %w", err)
	}
	defer client.Close()

	if err := client.Unmap(originalVA); err != nil {
		return fmt.Errorf("unmap: %w", err)
	}
	fmt.Printf("unmapped 0x%x\n", originalVA)
	return nil
}
