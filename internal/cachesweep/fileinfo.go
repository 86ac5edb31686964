package cachesweep

import (
	"fmt"
	"io"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type fileInfoDoc struct {
	File            string   `yaml:"file"`
	Version         string   `yaml:"version"`
	BytesCached     int32    `yaml:"bytes_cached"`
	UseCount        int32    `yaml:"use_count"`
	ServedAt        string   `yaml:"served"`
	LastModified    string   `yaml:"last_modified"`
	ExpiresAt       string   `yaml:"expires"`
	LastUsed        string   `yaml:"last_used"`
	SizeOnDisk      int64    `yaml:"size_on_disk"`
	ETag            string   `yaml:"etag"`
	URL             string   `yaml:"url"`
	MIMEType        string   `yaml:"mime_type"`
	ResponseHeaders []string `yaml:"response_headers"`
}

// PrintFileInfo decodes the entry called name in dir and writes a
// description of it to w. format is "text" or "yaml". The entry file is
// never modified, even when it is corrupt.
func PrintFileInfo(w io.Writer, dir, name, format string) error {
	fi, err := ReadEntry(dir, name, ModeFileInfo)
	if err != nil {
		return err
	}
	e := fi.Entry
	doc := fileInfoDoc{
		File:            fi.Name,
		Version:         strings.TrimSpace(string(formatVersion[:])),
		BytesCached:     e.BytesCached,
		UseCount:        e.UseCount,
		ServedAt:        isoDate(e.ServedAt),
		LastModified:    isoDate(e.LastModified),
		ExpiresAt:       isoDate(e.ExpiresAt),
		LastUsed:        isoDate(fi.LastUsed),
		SizeOnDisk:      fi.Size,
		ETag:            e.ETag,
		URL:             e.URL,
		MIMEType:        e.MIMEType,
		ResponseHeaders: e.ResponseHeaders,
	}

	switch format {
	case "", "text":
		var b strings.Builder
		fmt.Fprintf(&b, "File %s version %s\n", doc.File, doc.Version)
		fmt.Fprintf(&b, " cached bytes     %d useCount %d\n", doc.BytesCached, doc.UseCount)
		fmt.Fprintf(&b, " servedDate       %s\n", doc.ServedAt)
		fmt.Fprintf(&b, " lastModifiedDate %s\n", doc.LastModified)
		fmt.Fprintf(&b, " expireDate       %s\n", doc.ExpiresAt)
		fmt.Fprintf(&b, " lastUsedDate     %s\n", doc.LastUsed)
		fmt.Fprintf(&b, " size on disk     %d\n", doc.SizeOnDisk)
		fmt.Fprintf(&b, " entity tag       %s\n", doc.ETag)
		fmt.Fprintf(&b, " encoded URL      %s\n", doc.URL)
		fmt.Fprintf(&b, " mimetype         %s\n", doc.MIMEType)
		b.WriteString("Response headers follow...\n")
		for _, h := range doc.ResponseHeaders {
			b.WriteString(h)
			b.WriteByte('\n')
		}
		_, err := io.WriteString(w, b.String())
		return err

	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return err
		}
		return enc.Close()

	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

// isoDate formats unix seconds as UTC ISO 8601. Zero and negative values,
// which workers use for "unknown", print as an empty string.
func isoDate(sec int64) string {
	if sec <= 0 {
		return ""
	}
	return time.Unix(sec, 0).UTC().Format(time.RFC3339)
}
