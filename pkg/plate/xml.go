package plate

import (
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// Label is a named group of wells tagged in the plate file
type Label struct {
	Name        string
	Color       string
	WellIndices []int
	WellIDs     []string
}

// QuantityInfo describes one metadata column of a plate file
type QuantityInfo struct {
	Name string
	Desc string
}

// xmlNode is a generic element tree; plate files use numbered element names
// such as WellplateMetadata_1 which cannot be bound to static struct tags.
type xmlNode struct {
	XMLName xml.Name
	Content string    `xml:",chardata"`
	Nodes   []xmlNode `xml:",any"`
}

func (n *xmlNode) child(name string) *xmlNode {
	for i := range n.Nodes {
		if n.Nodes[i].XMLName.Local == name {
			return &n.Nodes[i]
		}
	}
	return nil
}

func (n *xmlNode) children(name string) []*xmlNode {
	var out []*xmlNode
	for i := range n.Nodes {
		if n.Nodes[i].XMLName.Local == name {
			out = append(out, &n.Nodes[i])
		}
	}
	return out
}

func (n *xmlNode) path(names ...string) *xmlNode {
	cur := n
	for _, name := range names {
		if cur = cur.child(name); cur == nil {
			return nil
		}
	}
	return cur
}

func (n *xmlNode) text(name string) string {
	if c := n.child(name); c != nil {
		return strings.TrimSpace(c.Content)
	}
	return ""
}

// PlateFile is the content of a plate layout XML file
type PlateFile struct {
	Metadata   *Metadata
	Quantities []QuantityInfo
	Labels     []Label
}

// LoadPlateXML reads the active preset of a plate layout file: every
// quantity becomes a metadata column over all 96 wells and every label
// becomes a group of wells.
func LoadPlateXML(r io.Reader) (*PlateFile, error) {
	var root xmlNode
	if err := xml.NewDecoder(r).Decode(&root); err != nil {
		return nil, fmt.Errorf("error parsing plate file: %w", err)
	}

	presetNode := root.path("Presets", "PresetIndex")
	if presetNode == nil {
		return nil, fmt.Errorf("plate file has no Presets/PresetIndex")
	}
	preset, err := strconv.Atoi(strings.TrimSpace(presetNode.Content))
	if err != nil {
		return nil, fmt.Errorf("invalid preset index %q: %w", presetNode.Content, err)
	}
	section := root.child(fmt.Sprintf("WellplateMetadata_%d", preset))
	if section == nil {
		return nil, fmt.Errorf("plate file has no WellplateMetadata_%d", preset)
	}

	pf := &PlateFile{}
	values := make([]map[string]string, Wells)
	for i := range values {
		values[i] = make(map[string]string)
	}

	var columns []string
	if quantities := section.child("Quantities"); quantities != nil {
		for _, q := range quantities.children("Quantity") {
			name := q.text("Name")
			pf.Quantities = append(pf.Quantities, QuantityInfo{Name: name, Desc: q.text("Desc")})
			columns = append(columns, name)
			wells := q.child("Wells")
			if wells == nil {
				continue
			}
			for _, w := range wells.children("Well") {
				idx, err := strconv.Atoi(w.text("WellIndex"))
				if err != nil || idx < 0 || idx >= Wells {
					return nil, fmt.Errorf("quantity %q has invalid well index %q", name, w.text("WellIndex"))
				}
				values[idx][name] = w.text("Quality")
			}
		}
	}

	pf.Metadata = NewMetadata(columns)
	for i := 0; i < Wells; i++ {
		pf.Metadata.Set(MustWellID(i), values[i])
	}

	if labels := section.child("Labels"); labels != nil {
		seen := make(map[string]bool)
		for _, l := range labels.children("Label") {
			name := l.text("Name")
			if seen[name] {
				continue
			}
			seen[name] = true
			label := Label{Name: name, Color: l.text("Color")}
			unique := make(map[int]bool)
			if wells := l.child("Wells"); wells != nil {
				for _, w := range wells.children("WellIndex") {
					idx, err := strconv.Atoi(strings.TrimSpace(w.Content))
					if err != nil || idx < 0 || idx >= Wells {
						return nil, fmt.Errorf("label %q has invalid well index %q", name, w.Content)
					}
					unique[idx] = true
				}
			}
			for idx := range unique {
				label.WellIndices = append(label.WellIndices, idx)
			}
			sort.Ints(label.WellIndices)
			for _, idx := range label.WellIndices {
				label.WellIDs = append(label.WellIDs, MustWellID(idx))
			}
			pf.Labels = append(pf.Labels, label)
		}
	}

	return pf, nil
}
