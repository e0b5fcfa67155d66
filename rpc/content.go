package rpc

import (
	"fmt"
	"net/url"
	"os"
	"strings"
)

// contentBlock is one block of a prompt. Text and resource_link blocks
// are understood.
type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	// ResourceLink fields
	URI         string `json:"uri,omitempty"`
	Name        string `json:"name,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Size        *int64 `json:"size,omitempty"`
}

// 50KB limit for inline file content
const maxContentSize = 50000

// readFileFromURI reads the file behind a file:// URI.
func readFileFromURI(uri string) (string, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("invalid URI: %v", err)
	}
	if parsed.Scheme != "file" {
		return "", fmt.Errorf("unsupported URI scheme: %s", parsed.Scheme)
	}
	content, err := os.ReadFile(parsed.Path)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %v", err)
	}
	return string(content), nil
}

// promptText renders content blocks as agent instructions. Linked local
// files are inlined.
func promptText(blocks []contentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if strings.TrimSpace(b.Text) != "" {
				parts = append(parts, b.Text)
			}
		case "resource_link":
			var sb strings.Builder
			fmt.Fprintf(&sb, "=== Resource: %s ===\n", b.Name)
			if b.Title != "" {
				fmt.Fprintf(&sb, "Title: %s\n", b.Title)
			}
			if b.Description != "" {
				fmt.Fprintf(&sb, "Description: %s\n", b.Description)
			}
			fmt.Fprintf(&sb, "URI: %s\n", b.URI)
			if b.MimeType != "" {
				fmt.Fprintf(&sb, "Type: %s\n", b.MimeType)
			}
			if b.Size != nil {
				fmt.Fprintf(&sb, "Size: %d bytes\n", *b.Size)
			}
			if strings.HasPrefix(b.URI, "file://") {
				content, err := readFileFromURI(b.URI)
				if err != nil {
					fmt.Fprintf(&sb, "\n[Error reading file: %v]\n", err)
				} else {
					if len(content) > maxContentSize {
						content = content[:maxContentSize] + "\n\n[... truncated to 50KB ...]"
					}
					fmt.Fprintf(&sb, "\n--- File Contents ---\n%s\n--- End of File ---\n", content)
				}
			} else {
				sb.WriteString("\n[External resource - content not available]\n")
			}
			sb.WriteString("=== End Resource ===\n")
			parts = append(parts, sb.String())
		}
	}
	return strings.Join(parts, "\n")
}
