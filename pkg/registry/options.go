package registry

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Option is one named command line option of a procedure. Flag and Value are
// emitted as two consecutive tokens.
type Option struct {
	Name  string `json:"name" bson:"name"`
	Flag  string `json:"flag" bson:"flag"`
	Value string `json:"value" bson:"value"`
}

// Options is an insertion-ordered mapping from option name to (flag, value).
// In JSON and YAML documents it is written as an object whose values are
// two-element lists, e.g. {"depth": ["-d", "3"]}; key order is preserved.
type Options []Option

// Get returns the option with the given name.
func (o Options) Get(name string) (Option, bool) {
	for _, opt := range o {
		if opt.Name == name {
			return opt, true
		}
	}
	return Option{}, false
}

// Set replaces the option in place when it exists, otherwise appends it.
func (o Options) Set(name, flag, value string) Options {
	for i := range o {
		if o[i].Name == name {
			o[i].Flag, o[i].Value = flag, value
			return o
		}
	}
	return append(o, Option{Name: name, Flag: flag, Value: value})
}

// Remove drops the named option, keeping the order of the rest.
func (o Options) Remove(name string) Options {
	out := o[:0:0]
	for _, opt := range o {
		if opt.Name != name {
			out = append(out, opt)
		}
	}
	return out
}

// Args flattens the options into flag/value tokens in insertion order.
func (o Options) Args() []string {
	args := make([]string, 0, len(o)*2)
	for _, opt := range o {
		args = append(args, opt.Flag, opt.Value)
	}
	return args
}

func (o Options) clone() Options {
	if o == nil {
		return nil
	}
	out := make(Options, len(o))
	copy(out, o)
	return out
}

func (o Options) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, opt := range o {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(opt.Name)
		if err != nil {
			return nil, err
		}
		pair, err := json.Marshal([2]string{opt.Flag, opt.Value})
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(pair)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (o *Options) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*o = nil
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("options: expected object, got %v", tok)
	}

	out := Options{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := tok.(string)
		if !ok {
			return fmt.Errorf("options: expected key, got %v", tok)
		}
		var pair []string
		if err := dec.Decode(&pair); err != nil {
			return fmt.Errorf("options: %q: %w", name, err)
		}
		if len(pair) != 2 {
			return fmt.Errorf("options: %q: expected [flag, value], got %d elements", name, len(pair))
		}
		out = out.Set(name, pair[0], pair[1])
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*o = out
	return nil
}

func (o Options) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	for _, opt := range o {
		key := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: opt.Name}
		pair := &yaml.Node{
			Kind:  yaml.SequenceNode,
			Tag:   "!!seq",
			Style: yaml.FlowStyle,
			Content: []*yaml.Node{
				{Kind: yaml.ScalarNode, Tag: "!!str", Value: opt.Flag},
				{Kind: yaml.ScalarNode, Tag: "!!str", Value: opt.Value},
			},
		}
		node.Content = append(node.Content, key, pair)
	}
	return node, nil
}

func (o *Options) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("options: line %d: expected mapping", node.Line)
	}
	out := Options{}
	for i := 0; i+1 < len(node.Content); i += 2 {
		name := node.Content[i].Value
		var pair []string
		if err := node.Content[i+1].Decode(&pair); err != nil {
			return fmt.Errorf("options: %q: %w", name, err)
		}
		if len(pair) != 2 {
			return fmt.Errorf("options: %q: expected [flag, value], got %d elements", name, len(pair))
		}
		out = out.Set(name, pair[0], pair[1])
	}
	*o = out
	return nil
}
