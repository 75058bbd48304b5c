package core

import "time"

// DNO identifies a Distribution Network Operator. The value doubles as the
// storage namespace for that operator's files.
type DNO string

const (
	NGED DNO = "nged"
	NPG  DNO = "npg"
	UKPN DNO = "ukpn"
	SSEN DNO = "ssen"
	ENWL DNO = "enwl"
	SPEN DNO = "spen"

	// ONS is not a DNO but its postcode directory is stored alongside them.
	ONS DNO = "ons"
)

func (d DNO) String() string { return string(d) }

// AvailableFile is one file published by an upstream catalog.
// Filename is always the final path segment of URL and identifies the file.
type AvailableFile struct {
	Filename string     `json:"filename"`
	URL      string     `json:"url"`
	Created  *time.Time `json:"created,omitempty"`
}
