package model

import (
	"sort"
	"time"
)

// SiblingFile represents a file in the model repository
type SiblingFile struct {
	RFilename string `json:"rfilename"`
}

// ModelIndexInfo represents model index information as returned by
// /api/models/{id}/revision/{rev} and persisted in the cache as .modeindex.
type ModelIndexInfo struct {
	ID           string        `json:"id"`
	ModelID      string        `json:"modelId,omitempty"`
	Author       string        `json:"author,omitempty"`
	SHA          string        `json:"sha"`
	LastModified time.Time     `json:"lastModified"`
	Private      bool          `json:"private,omitempty"`
	Disabled     bool          `json:"disabled,omitempty"`
	LibraryName  string        `json:"library_name,omitempty"`
	Tags         []string      `json:"tags,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	UsedStorage  int64         `json:"usedStorage,omitempty"`
	Siblings     []SiblingFile `json:"siblings"`
}

// Filenames returns the sibling file names in lexical order.
func (m ModelIndexInfo) Filenames() []string {
	names := make([]string, 0, len(m.Siblings))
	for _, s := range m.Siblings {
		names = append(names, s.RFilename)
	}
	sort.Strings(names)
	return names
}
