package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/spf13/cobra"

	"github.com/ardnew/usbrwq/host"
	"github.com/ardnew/usbrwq/host/hal/loopback"
	"github.com/ardnew/usbrwq/pkg"
	"github.com/ardnew/usbrwq/pkg/usbid"
)

var transferTypeNames = [...]string{
	host.EndpointTypeControl:     "control",
	host.EndpointTypeIsochronous: "isochronous",
	host.EndpointTypeBulk:        "bulk",
	host.EndpointTypeInterrupt:   "interrupt",
}

// NewDescribeCommand returns the command that prints the loopback device's
// descriptors and the pipes the queue would use.
func NewDescribeCommand() *cobra.Command {
	var idsPath string

	cmd := &cobra.Command{
		Use:   "describe",
		Short: "Print the loopback device's descriptors and selected pipes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return describe(cmd, loadNames(idsPath))
		},
	}
	cmd.Flags().StringVar(&idsPath, "usb-ids", "", "path to a usb.ids database (default: system locations)")
	return cmd
}

// loadNames returns the usb.ids names, falling back to the loopback
// device's own identity when no database is installed.
func loadNames(path string) *usbid.Names {
	var paths []string
	if path != "" {
		paths = []string{path}
	}
	names, err := usbid.Load(paths...)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			pkg.LogWarn(pkg.ComponentCLI, "usb.ids unreadable", "error", err)
		}
		names = &usbid.Names{}
	}
	if names.Product(loopback.VendorID, loopback.ProductID) == "" {
		names.Add(loopback.VendorID, loopback.ProductID, "Anchor Chips, Inc.", "OSR USB-FX2 loopback")
	}
	return names
}

func describe(cmd *cobra.Command, names *usbid.Names) (err error) {
	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	lb := loopback.New(loopback.Options{})
	if err := lb.Init(ctx); err != nil {
		return err
	}
	if err := lb.Start(); err != nil {
		return err
	}
	defer func() { err = errors.Join(err, lb.Close()) }()

	dev, err := host.Open(ctx, lb, loopback.Address)
	if err != nil {
		return fmt.Errorf("open device: %w", err)
	}
	defer func() { err = errors.Join(err, dev.Close(ctx)) }()

	out := cmd.OutOrStdout()
	d := dev.Descriptor()
	cfg := dev.Configuration()

	fmt.Fprintf(out, "Device %03d: ID %s\n", dev.Address(), names.Describe(d.VendorID, d.ProductID))
	fmt.Fprintf(out, "  USB %x.%02x, device %x.%02x, %d configuration(s)\n",
		d.USBVersion>>8, d.USBVersion&0xFF, d.DeviceVersion>>8, d.DeviceVersion&0xFF, d.NumConfigurations)
	fmt.Fprintf(out, "  Configuration %d (%d bytes)\n", cfg.ConfigurationValue, cfg.TotalLength)
	for _, intf := range cfg.Interfaces {
		fmt.Fprintf(out, "    Interface %d alt %d, class 0x%02x, %d endpoint(s)\n",
			intf.InterfaceNumber, intf.AlternateSetting, intf.InterfaceClass, intf.NumEndpoints)
	}
	for _, ep := range cfg.Endpoints {
		dir := "out"
		if ep.IsIn() {
			dir = "in"
		}
		fmt.Fprintf(out, "      Endpoint 0x%02x %s %s, %d bytes\n",
			ep.EndpointAddress, transferTypeNames[ep.TransferType()], dir, ep.MaxPacketSize)
	}
	fmt.Fprintf(out, "  Input pipe:  %s\n", dev.InputBulkPipe())
	fmt.Fprintf(out, "  Output pipe: %s\n", dev.OutputBulkPipe())
	return nil
}
