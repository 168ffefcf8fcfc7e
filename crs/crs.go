// Package crs identifies coordinate reference systems and transforms coordinates between them.
package crs

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Code identifies a CRS as authority:code, e.g. EPSG:3857 or OGC:CRS84.
type Code string

const (
	CRS84    Code = "OGC:CRS84"
	EPSG4326 Code = "EPSG:4326"
	EPSG3857 Code = "EPSG:3857"
	EPSG3395 Code = "EPSG:3395"
	EPSG4087 Code = "EPSG:4087"
)

var (
	uriRegexURL = regexp.MustCompile("^https?://.+/def/crs/(?P<authority>[^/]+)/[^/]+/(?P<code>[^/]+)$")
	uriRegexURN = regexp.MustCompile("^urn:ogc:def:crs:(?P<authority>[^:]+):[^:]*:(?P<code>[^:]+)$")
	codeRegex   = regexp.MustCompile("^(?P<authority>[A-Za-z]+):(?P<code>[A-Za-z0-9]+)$")
)

// New builds a Code from its parts.
func New(authority, code string) Code {
	return Code(strings.ToUpper(authority) + ":" + code)
}

// Parse accepts authority:code, an OGC CRS URI or an OGC URN.
func Parse(s string) (Code, error) {
	s = strings.TrimSpace(s)
	for _, re := range []*regexp.Regexp{codeRegex, uriRegexURL, uriRegexURN} {
		if parts := re.FindStringSubmatch(s); parts != nil {
			return New(parts[1], parts[2]), nil
		}
	}
	return "", fmt.Errorf(`could not parse crs "%v"`, s)
}

// MustParse is Parse for static definitions.
func MustParse(s string) Code {
	c, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return c
}

func (c Code) Authority() string {
	authority, _, _ := strings.Cut(string(c), ":")
	return authority
}

func (c Code) Number() string {
	_, code, _ := strings.Cut(string(c), ":")
	return code
}

// SRID returns the numeric code. CRS84 maps to 4326, the axis order is lon/lat for both.
func (c Code) SRID() (int, error) {
	if c == CRS84 {
		return 4326, nil
	}
	srid, err := strconv.Atoi(c.Number())
	if err != nil {
		return 0, fmt.Errorf(`crs "%v" has no numeric code: %w`, c, err)
	}
	return srid, nil
}

// URI renders the OGC http URI of the CRS.
func (c Code) URI() string {
	version := "0"
	if c.Authority() == "OGC" {
		version = "1.3"
	}
	return fmt.Sprintf("http://www.opengis.net/def/crs/%s/%s/%s", c.Authority(), version, c.Number())
}

// Geographic reports whether coordinates are longitude/latitude in degrees.
func (c Code) Geographic() bool {
	return c == CRS84 || c == EPSG4326
}

// Equivalent treats EPSG:4326 and CRS84 as the same system (lon/lat axis order throughout).
func (c Code) Equivalent(other Code) bool {
	if c == other {
		return true
	}
	return c.Geographic() && other.Geographic()
}

func (c Code) String() string {
	return string(c)
}
