// Package shared holds the wire types exchanged between the hosted content
// server and its clients.
package shared

import (
	"time"

	"quire/internal/tree"
)

// CommitRequest carries tree-level changes computed against FromSha. IntoSha
// is the tree sha the sender expects after the changes apply.
type CommitRequest struct {
	FromSha string            `json:"fromSha"`
	IntoSha string            `json:"intoSha"`
	Changes tree.Changeset    `json:"changes"`
	Blobs   map[string][]byte `json:"blobs,omitempty"`
	Author  string            `json:"author,omitempty"`
	Message string            `json:"message,omitempty"`
}

type CommitResult struct {
	Sha string `json:"sha"`
}

type TreeResponse struct {
	Sha  string     `json:"sha"`
	Tree *tree.Tree `json:"tree"`
}

type BlobsRequest struct {
	Hashes []string `json:"hashes"`
}

type BlobsResponse struct {
	Blobs map[string][]byte `json:"blobs"`
}

type BlobResponse struct {
	Hash string `json:"hash"`
}

// Event is pushed to subscribers whenever the hosted tree changes.
type Event struct {
	Sha  string    `json:"sha"`
	At   time.Time `json:"at"`
	Kind string    `json:"kind,omitempty"`
}

// CommitRecord is one journal entry of an accepted commit.
type CommitRecord struct {
	ID        string    `json:"id"`
	FromSha   string    `json:"fromSha"`
	Sha       string    `json:"sha"`
	Changes   int       `json:"changes"`
	Author    string    `json:"author,omitempty"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func (r *CommitRecord) GetID() string {
	return r.ID
}
