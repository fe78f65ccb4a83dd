package expr

// ExtractReferences walks an expression tree and returns the set of root
// identifiers it reads: step names, "context", "metadata", or loop
// variables. This is the side channel the Dependency Resolver (spec
// §4.C) uses to build the step graph without re-evaluating expressions.
func ExtractReferences(node Node) map[string]bool {
	refs := make(map[string]bool)
	collectRefs(node, refs)
	return refs
}

func collectRefs(node Node, refs map[string]bool) {
	switch n := node.(type) {
	case nil:
		return
	case *LiteralNode:
		return
	case *IdentNode:
		refs[n.Name] = true
	case *PropertyNode:
		collectRefs(n.Target, refs)
	case *IndexNode:
		collectRefs(n.Target, refs)
		collectRefs(n.Index, refs)
	case *UnaryNode:
		collectRefs(n.Operand, refs)
	case *BinaryNode:
		collectRefs(n.Left, refs)
		collectRefs(n.Right, refs)
	case *InNode:
		collectRefs(n.Needle, refs)
		collectRefs(n.Haystack, refs)
	case *ListNode:
		for _, item := range n.Items {
			collectRefs(item, refs)
		}
	case *MapNode:
		for _, entry := range n.Entries {
			collectRefs(entry.Value, refs)
		}
	}
}

// ExtractTemplateReferences returns the roots referenced by a parsed
// string template (whole-expr or segmented).
func ExtractTemplateReferences(tmpl *StringInterpolation) map[string]bool {
	refs := make(map[string]bool)
	if tmpl.WholeExpr != nil {
		collectRefs(tmpl.WholeExpr, refs)
		return refs
	}
	for _, seg := range tmpl.Segments {
		if seg.Expr != nil {
			collectRefs(seg.Expr, refs)
		}
	}
	return refs
}

// ExtractValueReferences walks a raw decoded value (string/bool/int/
// float64/nil/[]interface{}/map[string]interface{}, as produced by a
// YAML or JSON decode) and collects every root reference reachable
// through embedded "${...}" templates at any depth. Used for
// request.params and transform.input, whose declared type is Value|Expr
// (spec §3): any leaf may itself be a reference.
func ExtractValueReferences(raw interface{}) (map[string]bool, error) {
	refs := make(map[string]bool)
	if err := collectValueRefs(raw, refs); err != nil {
		return nil, err
	}
	return refs, nil
}

func collectValueRefs(raw interface{}, refs map[string]bool) error {
	switch v := raw.(type) {
	case string:
		tmpl, err := ParseStringTemplate(v)
		if err != nil {
			return err
		}
		for k := range ExtractTemplateReferences(tmpl) {
			refs[k] = true
		}
	case []interface{}:
		for _, item := range v {
			if err := collectValueRefs(item, refs); err != nil {
				return err
			}
		}
	case map[string]interface{}:
		for _, val := range v {
			if err := collectValueRefs(val, refs); err != nil {
				return err
			}
		}
	}
	return nil
}
