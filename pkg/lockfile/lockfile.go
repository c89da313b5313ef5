package lockfile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/matzehuels/pkgstage/pkg/errors"
)

// DefaultName is the lockfile looked up in a source tree.
const DefaultName = "npm-shrinkwrap.json"

// Lockfile is a parsed npm lockfile.
type Lockfile struct {
	Name            string  // Root project name
	Version         string  // Root project version
	LockfileVersion int     // Format version declared by the file
	Roots           []*Node // Top-level dependencies in declaration order
}

// Node is one installed package in the dependency tree.
type Node struct {
	Name      string   // Package name, possibly scoped
	Version   string   // Pinned version
	Resolved  string   // Tarball URL recorded by npm, may be empty
	Integrity string   // SRI token recorded by npm, may be empty
	Children  []*Node  // Nested dependencies in declaration order
	Path      []string // Names from the top-level ancestor down to this node
}

// String returns the node path joined with " > ".
func (n *Node) String() string {
	return strings.Join(n.Path, " > ")
}

// Len returns the number of nodes in the tree.
func (lf *Lockfile) Len() int {
	n := 0
	for range Walk(lf) {
		n++
	}
	return n
}

// Locate returns the lockfile to use for srcTree: npm-shrinkwrap.json inside
// the tree wins, then configured when non-empty. Otherwise it fails with
// ErrCodeNoLockfile.
func Locate(srcTree, configured string) (string, error) {
	if srcTree != "" {
		candidate := filepath.Join(srcTree, DefaultName)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	if configured != "" {
		if _, err := os.Stat(configured); err != nil {
			return "", errors.Wrap(errors.ErrCodeNoLockfile, err, "configured lockfile %s", configured)
		}
		return configured, nil
	}
	return "", errors.New(errors.ErrCodeNoLockfile, "no %s in %s and no lockfile configured", DefaultName, srcTree)
}

// Load reads and parses the lockfile at path.
func Load(path string) (*Lockfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrap(errors.ErrCodeNoLockfile, err, "read lockfile")
		}
		return nil, errors.Wrap(errors.ErrCodeInvalidLockfile, err, "read lockfile")
	}
	lf, err := Parse(data)
	if err != nil {
		return nil, errors.Annotate(err, "%s", path)
	}
	return lf, nil
}

// Parse parses lockfile JSON.
func Parse(data []byte) (*Lockfile, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidLockfile, err, "parse lockfile")
	}

	lf := &Lockfile{
		Name:            doc.Name,
		Version:         doc.Version,
		LockfileVersion: doc.LockfileVersion,
		Roots:           doc.Dependencies,
	}
	if doc.Dependencies == nil && doc.Packages != nil {
		roots, err := fromPackages(doc.Packages)
		if err != nil {
			return nil, err
		}
		lf.Roots = roots
	}

	if err := assignPaths(lf.Roots); err != nil {
		return nil, err
	}
	return lf, nil
}

type document struct {
	Name            string    `json:"name"`
	Version         string    `json:"version"`
	LockfileVersion int       `json:"lockfileVersion"`
	Dependencies    nodeList  `json:"dependencies"`
	Packages        *packages `json:"packages"`
}

type entry struct {
	Version      string   `json:"version"`
	Resolved     string   `json:"resolved"`
	Integrity    string   `json:"integrity"`
	Dependencies nodeList `json:"dependencies"`
}

// packageEntry is a member of the flat "packages" map. Its dependencies are
// version ranges, not nested entries.
type packageEntry struct {
	Version   string `json:"version"`
	Resolved  string `json:"resolved"`
	Integrity string `json:"integrity"`
	Link      bool   `json:"link"`
}

// nodeList decodes a JSON object of name -> entry into nodes, keeping key
// order.
type nodeList []*Node

func (l *nodeList) UnmarshalJSON(data []byte) error {
	nodes := nodeList{}
	err := decodeOrdered(data, func(name string, dec *json.Decoder) error {
		var e entry
		if err := dec.Decode(&e); err != nil {
			return err
		}
		nodes = append(nodes, &Node{
			Name:      name,
			Version:   e.Version,
			Resolved:  e.Resolved,
			Integrity: e.Integrity,
			Children:  e.Dependencies,
		})
		return nil
	})
	if err != nil {
		return err
	}
	*l = nodes
	return nil
}

// packages holds the flat lockfileVersion 3 map in key order.
type packages struct {
	keys    []string
	entries map[string]packageEntry
}

func (p *packages) UnmarshalJSON(data []byte) error {
	p.entries = make(map[string]packageEntry)
	return decodeOrdered(data, func(key string, dec *json.Decoder) error {
		var e packageEntry
		if err := dec.Decode(&e); err != nil {
			return err
		}
		p.keys = append(p.keys, key)
		p.entries[key] = e
		return nil
	})
}

// decodeOrdered walks the members of a JSON object in document order.
func decodeOrdered(data []byte, member func(key string, dec *json.Decoder) error) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("expected object, got %v", tok)
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("expected object key, got %v", tok)
		}
		if err := member(key, dec); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	_, err = dec.Token()
	return err
}

const modulesDir = "node_modules/"

// fromPackages rebuilds the dependency tree from "node_modules/a/node_modules/b"
// keys. The root project entry ("") and workspace links are skipped.
func fromPackages(p *packages) ([]*Node, error) {
	var roots []*Node
	byKey := make(map[string]*Node, len(p.keys))

	for _, key := range p.keys {
		e := p.entries[key]
		if key == "" || e.Link {
			continue
		}
		idx := strings.LastIndex(key, modulesDir)
		if idx < 0 {
			continue
		}
		node := &Node{
			Name:      key[idx+len(modulesDir):],
			Version:   e.Version,
			Resolved:  e.Resolved,
			Integrity: e.Integrity,
		}
		byKey[key] = node

		parentKey := strings.TrimSuffix(key[:idx], "/")
		if parentKey == "" {
			roots = append(roots, node)
			continue
		}
		parent, ok := byKey[parentKey]
		if !ok {
			return nil, errors.New(errors.ErrCodeInvalidLockfile, "package %q listed before its parent", key)
		}
		parent.Children = append(parent.Children, node)
	}
	return roots, nil
}

// assignPaths fills Node.Path top-down and validates every node.
func assignPaths(roots []*Node) error {
	type item struct {
		node   *Node
		parent []string
	}
	queue := make([]item, 0, len(roots))
	for _, r := range roots {
		queue = append(queue, item{node: r})
	}
	for len(queue) > 0 {
		it := queue[len(queue)-1]
		queue = queue[:len(queue)-1]

		n := it.node
		n.Path = append(append(make([]string, 0, len(it.parent)+1), it.parent...), n.Name)
		if err := errors.ValidateNpmPackageName(n.Name); err != nil {
			return errors.Wrap(errors.ErrCodeInvalidLockfile, err, "dependency %s", n)
		}
		if n.Version == "" {
			return errors.New(errors.ErrCodeInvalidLockfile, "dependency %s has no version", n)
		}
		for _, c := range n.Children {
			queue = append(queue, item{node: c, parent: n.Path})
		}
	}
	return nil
}
