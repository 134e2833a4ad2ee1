// Package queue defines the session queue model and the vote-score ranking rules.
package queue

import (
	"sort"
	"time"
)

// Direction of a vote.
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// Vote is one user's weighted vote on a queued track. Votes never outlive
// the queue entry they target.
type Vote struct {
	SessionID string
	TrackID   string
	UserID    string
	Direction Direction
	Weight    int
}

// Value returns the vote's contribution to a track score: +weight for an
// up-vote, -weight for a down-vote.
func (v Vote) Value() int {
	if v.Direction == DirectionDown {
		return -v.Weight
	}
	return v.Weight
}

// Entry is one track in a session's queue. Rank is 1-based and contiguous
// within a session; the entry at rank 1 is the current (or next) track.
type Entry struct {
	ID        string
	SessionID string
	TrackID   string
	Rank      int
	AddedBy   string
	AddedAt   time.Time
	Votes     []Vote
}

// Score returns the entry's net vote score (up weights minus down weights).
func (e Entry) Score() int {
	score := 0
	for _, v := range e.Votes {
		score += v.Value()
	}
	return score
}

// Rerank returns a copy of entries sorted by score descending, ties broken
// by current rank ascending (earlier-queued tracks win), with ranks
// reassigned contiguously from 1. The input slice is not modified.
func Rerank(entries []Entry) []Entry {
	out := make([]Entry, len(entries))
	copy(out, entries)

	sort.SliceStable(out, func(i, j int) bool {
		si, sj := out[i].Score(), out[j].Score()
		if si != sj {
			return si > sj
		}
		return out[i].Rank < out[j].Rank
	})

	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

// Renumber returns a copy of entries with ranks reassigned contiguously from
// 1 in slice order, without changing the order itself.
func Renumber(entries []Entry) []Entry {
	out := make([]Entry, len(entries))
	copy(out, entries)
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

// SameOrder reports whether a and b hold the same entries in the same
// sequence.
func SameOrder(a, b []Entry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID {
			return false
		}
	}
	return true
}

// IDs returns the entry IDs in slice order.
func IDs(entries []Entry) []string {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}

// Scores returns the trackId -> score map for a set of entries.
func Scores(entries []Entry) map[string]int {
	m := make(map[string]int, len(entries))
	for _, e := range entries {
		m[e.TrackID] = e.Score()
	}
	return m
}
