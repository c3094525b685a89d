package wizard

import (
	"fmt"
	"strings"
)

// Class identifies a roster by department, batch and section.
type Class struct {
	Department string `json:"department" form:"department"`
	Batch      string `json:"batch" form:"batch"`
	Section    string `json:"section" form:"section"`
}

func (c Class) normalized() Class {
	return Class{
		Department: strings.TrimSpace(c.Department),
		Batch:      strings.TrimSpace(c.Batch),
		Section:    strings.ToUpper(strings.TrimSpace(c.Section)),
	}
}

// Complete reports whether all three fields are set.
func (c Class) Complete() bool {
	n := c.normalized()
	return n.Department != "" && n.Batch != "" && n.Section != ""
}

// ID renders the roster key, e.g. CSE_2024_A. Slashes in department names
// such as AI/ML become dashes so the id is safe in URLs and object keys.
func (c Class) ID() string {
	n := c.normalized()
	return fmt.Sprintf("%s_%s_%s", strings.ReplaceAll(n.Department, "/", "-"), n.Batch, n.Section)
}

func (c Class) String() string {
	return c.ID()
}
