// Package addressbook maps account addresses to user-chosen labels.
//
// The book is a YAML mapping of address to label:
//
//	0x00000000000000000000000000000000000A11CE: Alice
//	0x0000000000000000000000000000000000000b0b: Bob's shop
package addressbook

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Book is an immutable address book. The zero value is empty.
type Book struct {
	path   string
	labels map[common.Address]string
}

// Entry is one labelled address.
type Entry struct {
	Address common.Address
	Label   string
}

// Load reads the book at path. A missing file yields an empty book so the
// viewer works before the user creates one; an empty path does the same.
func Load(path string) (*Book, error) {
	b := &Book{path: path, labels: map[common.Address]string{}}
	if path == "" {
		return b, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return b, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read address book: %w", err)
	}
	if err := b.parse(data); err != nil {
		return nil, fmt.Errorf("address book %s: %w", path, err)
	}
	return b, nil
}

// Parse builds a book from YAML data.
func Parse(data []byte) (*Book, error) {
	b := &Book{labels: map[common.Address]string{}}
	if err := b.parse(data); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Book) parse(data []byte) error {
	raw := map[string]string{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return err
	}
	for addr, label := range raw {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("invalid address %q", addr)
		}
		if label = strings.TrimSpace(label); label != "" {
			b.labels[common.HexToAddress(addr)] = label
		}
	}
	return nil
}

// Path is the file the book was loaded from.
func (b *Book) Path() string {
	if b == nil {
		return ""
	}
	return b.path
}

// Label returns the label for addr, or "".
func (b *Book) Label(addr common.Address) string {
	if b == nil {
		return ""
	}
	return b.labels[addr]
}

// Len returns the number of labelled addresses.
func (b *Book) Len() int {
	if b == nil {
		return 0
	}
	return len(b.labels)
}

// Entries lists the book sorted by label.
func (b *Book) Entries() []Entry {
	if b == nil {
		return nil
	}
	out := make([]Entry, 0, len(b.labels))
	for addr, label := range b.labels {
		out = append(out, Entry{Address: addr, Label: label})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Label != out[j].Label {
			return out[i].Label < out[j].Label
		}
		return out[i].Address.Cmp(out[j].Address) < 0
	})
	return out
}
