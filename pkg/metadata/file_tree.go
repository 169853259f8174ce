package metadata

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mensylisir/testxm/pkg/common"
)

// mainFileName is the document that attaches data to the directory itself
// rather than adding a child record.
const mainFileName = "main.yaml"

// node is one resolved point in the tree.
type node struct {
	// data is the fully merged attribute mapping.
	data map[string]any
	// dir is the tree path of the directory holding the defining document.
	dir string
}

// FileTree is the file-backed Tree implementation. It loads the whole
// directory eagerly; lookups afterwards never touch the filesystem.
type FileTree struct {
	root  string
	nodes map[string]node
}

var _ Tree = (*FileTree)(nil)

// NewFileTree loads the metadata tree rooted at dir.
func NewFileTree(dir string) (*FileTree, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("metadata root %q: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("metadata root %q is not a directory", dir)
	}
	t := &FileTree{root: dir, nodes: make(map[string]node)}
	if err := t.loadDir(dir, "/", map[string]any{}); err != nil {
		return nil, err
	}
	return t, nil
}

// Root returns the filesystem directory the tree was loaded from.
func (t *FileTree) Root() string {
	return t.root
}

// Tests returns the resolved test records matching filter, ordered by the
// order attribute and then by name.
func (t *FileTree) Tests(filter TestFilter) ([]Test, error) {
	patterns, err := compilePatterns(filter.Names)
	if err != nil {
		return nil, err
	}
	var tests []Test
	for _, name := range t.sortedNames() {
		n := t.nodes[name]
		if _, ok := n.data["test"]; !ok {
			continue
		}
		if !matchAny(patterns, name) {
			continue
		}
		test, err := buildTest(name, n)
		if err != nil {
			return nil, err
		}
		tests = append(tests, test)
	}
	sort.SliceStable(tests, func(i, j int) bool {
		if tests[i].Order != tests[j].Order {
			return tests[i].Order < tests[j].Order
		}
		return tests[i].Name < tests[j].Name
	})
	return tests, nil
}

// Plans returns the resolved plan records matching filter, ordered by name.
// Every record with at least one step key counts; Schedulable tells whether
// it can actually run.
func (t *FileTree) Plans(filter PlanFilter) ([]Plan, error) {
	patterns, err := compilePatterns(filter.Names)
	if err != nil {
		return nil, err
	}
	var plans []Plan
	for _, name := range t.sortedNames() {
		n := t.nodes[name]
		if !hasStepKey(n.data) {
			continue
		}
		if !matchAny(patterns, name) {
			continue
		}
		plan, err := buildPlan(name, n)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}
	return plans, nil
}

func (t *FileTree) sortedNames() []string {
	names := make([]string, 0, len(t.nodes))
	for name := range t.nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// loadDir ingests one directory: main.yaml attaches to the directory node,
// every other *.yaml file adds a child, subdirectories recurse. inherited
// holds the resolved data of the closest ancestor directory node.
func (t *FileTree) loadDir(dir, nodePath string, inherited map[string]any) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading metadata directory %q: %w", dir, err)
	}

	dirData := inherited
	mainPath := filepath.Join(dir, mainFileName)
	doc, err := readDoc(mainPath)
	if err != nil {
		return err
	}
	if doc != nil {
		own, children, err := splitDoc(doc)
		if err != nil {
			return fmt.Errorf("%s: %w", mainPath, err)
		}
		dirData = mergeData(inherited, own)
		if err := t.register(nodePath, node{data: dirData, dir: nodePath}); err != nil {
			return err
		}
		if err := t.addChildren(nodePath, nodePath, dirData, children); err != nil {
			return err
		}
	}

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		if name == mainFileName || !strings.HasSuffix(name, ".yaml") {
			continue
		}
		doc, err := readDoc(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		own, children, err := splitDoc(doc)
		if err != nil {
			return fmt.Errorf("%s: %w", filepath.Join(dir, name), err)
		}
		childPath := joinNode(nodePath, strings.TrimSuffix(name, ".yaml"))
		data := mergeData(dirData, own)
		if err := t.register(childPath, node{data: data, dir: nodePath}); err != nil {
			return err
		}
		if err := t.addChildren(childPath, nodePath, data, children); err != nil {
			return err
		}
	}

	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		sub := filepath.Join(dir, e.Name())
		if err := t.loadDir(sub, joinNode(nodePath, e.Name()), dirData); err != nil {
			return err
		}
	}
	return nil
}

// addChildren registers records declared through "/"-prefixed keys,
// depth-first. dir stays the declaring document's directory.
func (t *FileTree) addChildren(parentPath, dir string, parentData map[string]any, children map[string]map[string]any) error {
	names := make([]string, 0, len(children))
	for name := range children {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		childPath := joinNode(parentPath, name)
		own, nested, err := splitDoc(children[name])
		if err != nil {
			return fmt.Errorf("node %s: %w", childPath, err)
		}
		data := mergeData(parentData, own)
		if err := t.register(childPath, node{data: data, dir: dir}); err != nil {
			return err
		}
		if err := t.addChildren(childPath, dir, data, nested); err != nil {
			return err
		}
	}
	return nil
}

func (t *FileTree) register(path string, n node) error {
	if _, exists := t.nodes[path]; exists {
		return fmt.Errorf("duplicate metadata node %s", path)
	}
	t.nodes[path] = n
	return nil
}

// readDoc parses one YAML file into a mapping. A missing file yields nil,
// an empty file an empty mapping.
func readDoc(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %q: %w", path, err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing %q: %w", path, err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}

// splitDoc separates a document's own attributes from its "/"-prefixed
// child records.
func splitDoc(doc map[string]any) (own map[string]any, children map[string]map[string]any, err error) {
	own = make(map[string]any)
	children = make(map[string]map[string]any)
	for key, value := range doc {
		if !strings.HasPrefix(key, "/") {
			own[key] = value
			continue
		}
		name := strings.TrimPrefix(key, "/")
		if name == "" {
			return nil, nil, fmt.Errorf("child key %q has no name", key)
		}
		switch child := value.(type) {
		case nil:
			children[name] = map[string]any{}
		case map[string]any:
			children[name] = child
		default:
			return nil, nil, fmt.Errorf("child key %q must hold a mapping", key)
		}
	}
	return own, children, nil
}

func joinNode(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}

func hasStepKey(data map[string]any) bool {
	for _, step := range common.StepOrder {
		if _, ok := data[step]; ok {
			return true
		}
	}
	return false
}
