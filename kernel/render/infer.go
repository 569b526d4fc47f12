package render

import "aide.dev/aide/kernel/page"

// EffectiveDisplay returns the entity's display hint, inferring one from its
// shape when the hint is absent: image if a src property is present, metric
// if a value property is present on a small entity, checklist if any child
// carries a done flag, table if the children share at least three fields,
// otherwise card for entities with children and list for leaf collections.
func EffectiveDisplay(s *page.State, e *page.Entity) page.Display {
	if e.Display != "" {
		return e.Display
	}
	if _, ok := e.Props["src"]; ok {
		return page.DisplayImage
	}
	if _, ok := e.Props["value"]; ok && len(e.Props) <= 3 {
		return page.DisplayMetric
	}
	children := s.Children(e.ID)
	for _, child := range children {
		if _, ok := child.Props["done"]; ok {
			return page.DisplayChecklist
		}
	}
	if len(children) > 0 && sharedFieldCount(children) >= 3 {
		return page.DisplayTable
	}
	if len(children) > 0 {
		return page.DisplayCard
	}
	return page.DisplayList
}

// sharedFieldCount returns the number of property keys present on every
// child.
func sharedFieldCount(children []*page.Entity) int {
	if len(children) == 0 {
		return 0
	}
	count := make(map[string]int)
	for _, c := range children {
		for key := range c.Props {
			count[key]++
		}
	}
	shared := 0
	for _, n := range count {
		if n == len(children) {
			shared++
		}
	}
	return shared
}
