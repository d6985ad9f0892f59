// Package vault reads Obsidian-style markdown vaults.
package vault

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// MinBodyLength is the shortest body worth importing.
const MinBodyLength = 10

// Note is one parsed markdown file.
type Note struct {
	Path  string
	Title string
	Body  string
	Tags  []string
}

var (
	inlineTagRe = regexp.MustCompile(`(?:^|[^\w&/])#([a-zA-Z][a-zA-Z0-9_-]*)`)
	wikiLinkRe  = regexp.MustCompile(`\[\[([^\]|]+)(?:\|([^\]]+))?\]\]`)
)

type frontmatter struct {
	Title string    `yaml:"title"`
	Tags  yaml.Node `yaml:"tags"`
}

// Files returns every markdown file under root, skipping hidden files and
// directories, in lexical order. Only an unreadable root is an error.
func Files(root string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("open vault: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("open vault: %s is not a directory", root)
	}

	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil // unreadable subtree
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() && strings.EqualFold(filepath.Ext(path), ".md") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk vault: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

// ParseFile reads and parses one markdown file.
func ParseFile(path string) (*Note, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read note: %w", err)
	}
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	n, err := Parse(data, stem)
	if err != nil {
		return nil, err
	}
	n.Path = path
	return n, nil
}

// Parse extracts title, tags and cleaned body from markdown. The title
// defaults to the file stem. Tags come from frontmatter, inline #tags and
// wiki links (as "linked:<target>"); link syntax in the body is replaced by
// the alias or target text.
func Parse(data []byte, stem string) (*Note, error) {
	n := &Note{Title: stem}
	body := data
	tags := make(map[string]bool)

	if fm, rest, ok := splitFrontmatter(data); ok {
		var meta frontmatter
		if err := yaml.Unmarshal(fm, &meta); err != nil {
			return nil, fmt.Errorf("parse frontmatter: %w", err)
		}
		if t := strings.TrimSpace(meta.Title); t != "" {
			n.Title = t
		}
		for _, t := range frontmatterTags(&meta.Tags) {
			tags[t] = true
		}
		body = rest
	}

	text := string(body)
	for _, m := range inlineTagRe.FindAllStringSubmatch(text, -1) {
		tags[m[1]] = true
	}
	for _, m := range wikiLinkRe.FindAllStringSubmatch(text, -1) {
		if link := strings.TrimSpace(m[1]); link != "" {
			tags["linked:"+link] = true
		}
	}
	text = wikiLinkRe.ReplaceAllStringFunc(text, func(s string) string {
		m := wikiLinkRe.FindStringSubmatch(s)
		if strings.TrimSpace(m[2]) != "" {
			return m[2]
		}
		return m[1]
	})

	n.Body = strings.TrimSpace(text)
	for t := range tags {
		n.Tags = append(n.Tags, t)
	}
	sort.Strings(n.Tags)
	return n, nil
}

// Importable reports whether the note has enough body to ingest.
func (n *Note) Importable() bool {
	return len(n.Body) >= MinBodyLength
}

// splitFrontmatter separates a leading "---" delimited YAML block.
func splitFrontmatter(data []byte) (fm, rest []byte, ok bool) {
	data = bytes.TrimPrefix(data, []byte("\uFEFF"))
	if !bytes.HasPrefix(data, []byte("---")) {
		return nil, data, false
	}
	lines := bytes.SplitAfter(data, []byte("\n"))
	if len(lines) < 2 || strings.TrimSpace(string(lines[0])) != "---" {
		return nil, data, false
	}
	offset := len(lines[0])
	for _, line := range lines[1:] {
		if strings.TrimSpace(string(line)) == "---" {
			return data[len(lines[0]):offset], data[offset+len(line):], true
		}
		offset += len(line)
	}
	return nil, data, false
}

// frontmatterTags accepts a YAML list or a comma or space separated string.
func frontmatterTags(node *yaml.Node) []string {
	var raw []string
	switch node.Kind {
	case yaml.SequenceNode:
		for _, item := range node.Content {
			raw = append(raw, item.Value)
		}
	case yaml.ScalarNode:
		raw = strings.FieldsFunc(node.Value, func(r rune) bool { return r == ',' || r == ' ' })
	}
	var out []string
	for _, t := range raw {
		t = strings.TrimPrefix(strings.TrimSpace(t), "#")
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}
