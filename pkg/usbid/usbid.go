// Package usbid resolves USB vendor and product IDs to names using the
// usb.ids database shipped with most Linux distributions.
package usbid

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
)

// DefaultPaths lists the usual locations of usb.ids.
var DefaultPaths = []string{
	"/usr/share/hwdata/usb.ids",
	"/var/lib/usbutils/usb.ids",
	"/usr/share/misc/usb.ids",
}

// Names maps vendor and product IDs to names. The zero value is empty and
// ready to use.
type Names struct {
	vendors  map[uint16]string
	products map[uint32]string // vid<<16 | pid
}

func productKey(vid, pid uint16) uint32 { return uint32(vid)<<16 | uint32(pid) }

// Parse reads the usb.ids format: vendor lines "vvvv  Name" followed by
// tab-indented product lines "\tpppp  Name". Class and language sections are
// skipped.
func Parse(r io.Reader) (*Names, error) {
	n := &Names{
		vendors:  make(map[uint16]string),
		products: make(map[uint32]string),
	}

	var vid uint16
	inVendor := false

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || line[0] == '#' {
			continue
		}

		if line[0] == '\t' {
			// Two tabs are interface lines.
			if !inVendor || strings.HasPrefix(line, "\t\t") {
				continue
			}
			if id, name, ok := splitEntry(line[1:]); ok {
				n.products[productKey(vid, id)] = name
			}
			continue
		}

		id, name, ok := splitEntry(line)
		inVendor = ok
		if ok {
			vid = id
			n.vendors[vid] = name
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("usbid: %w", err)
	}
	return n, nil
}

// splitEntry parses "xxxx  Name".
func splitEntry(s string) (uint16, string, bool) {
	if len(s) < 6 || s[4] != ' ' {
		return 0, "", false
	}
	id, err := strconv.ParseUint(s[:4], 16, 16)
	if err != nil {
		return 0, "", false
	}
	return uint16(id), strings.TrimLeft(s[5:], " "), true
}

// Load parses the first database found in paths, or [DefaultPaths] when
// none are given. It returns an error wrapping [fs.ErrNotExist] if no file
// exists.
func Load(paths ...string) (*Names, error) {
	if len(paths) == 0 {
		paths = DefaultPaths
	}
	for _, path := range paths {
		f, err := os.Open(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("usbid: %w", err)
		}
		n, err := Parse(f)
		f.Close()
		return n, err
	}
	return nil, fmt.Errorf("usbid: no database in %s: %w", strings.Join(paths, ", "), fs.ErrNotExist)
}

// Add records a vendor and product name, overriding any earlier entry.
func (n *Names) Add(vid, pid uint16, vendor, product string) {
	if n.vendors == nil {
		n.vendors = make(map[uint16]string)
		n.products = make(map[uint32]string)
	}
	n.vendors[vid] = vendor
	n.products[productKey(vid, pid)] = product
}

// Vendor returns the vendor name, or "".
func (n *Names) Vendor(vid uint16) string { return n.vendors[vid] }

// Product returns the product name, or "".
func (n *Names) Product(vid, pid uint16) string { return n.products[productKey(vid, pid)] }

// Len returns the number of vendors and products known.
func (n *Names) Len() (vendors, products int) { return len(n.vendors), len(n.products) }

// Describe formats an ID pair the way lsusb does, e.g.
// "0547:1002 Anchor Chips, Inc. Python2 WDM Encoder".
func (n *Names) Describe(vid, pid uint16) string {
	s := fmt.Sprintf("%04x:%04x", vid, pid)
	if v := n.Vendor(vid); v != "" {
		s += " " + v
		if p := n.Product(vid, pid); p != "" {
			s += " " + p
		}
	}
	return s
}
