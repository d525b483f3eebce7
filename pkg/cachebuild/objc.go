package cachebuild

import (
	"github.com/PureDarwin/dyldcache/pkg/cacheinput"
	"github.com/PureDarwin/dyldcache/pkg/selector"
)

// extractClasses walks every cacheable dylib's parsed Objective-C class
// list (root package's GetObjCClasses, the same accessor ipsw's class
// dumper uses) and reduces it to the selector.Class[] shape C2 needs: a
// name, its deduplicated method-selector list, and a placement
// importance. No pack repo wires ObjC class metadata into a cache
// layout pass, so this glue is original: it exists purely to bridge
// objc.go's already-parsed class model into pkg/selector's input.
//
// Importance numbers classes in the order of the cacheable slice, then
// declaration order within each dylib, since nothing upstream
// currently supplies a better-informed priority signal.
func extractClasses(cacheable []*cacheinput.Dylib) []*selector.Class {
	var out []*selector.Class
	importance := 0
	for _, dy := range cacheable {
		if dy.MachoFile == nil {
			continue
		}
		classes, err := dy.MachoFile.GetObjCClasses()
		if err != nil {
			// Not every cacheable dylib carries Objective-C metadata;
			// that's not a failure, just nothing for C2 to place.
			continue
		}
		for _, c := range classes {
			sc := &selector.Class{
				Name:       c.Name,
				Importance: importance,
			}
			seen := make(map[string]bool, len(c.InstanceMethods)+len(c.ClassMethods))
			for _, m := range c.InstanceMethods {
				if m.Name == "" || seen[m.Name] {
					continue
				}
				seen[m.Name] = true
				sc.Methods = append(sc.Methods, m.Name)
			}
			for _, m := range c.ClassMethods {
				if m.Name == "" || seen[m.Name] {
					continue
				}
				seen[m.Name] = true
				sc.Methods = append(sc.Methods, m.Name)
			}
			out = append(out, sc)
			importance++
		}
	}
	return out
}
