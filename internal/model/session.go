package model

import "sort"

// Attributes holds the label/value pairs scraped for one session line.
// Values are kept as opaque strings.
type Attributes map[string]string

// Sessions maps a username to its attributes.
type Sessions map[string]Attributes

// UsernameKey is the attribute label that identifies a session.
const UsernameKey = "Username"

// Usernames returns the keys of s in sorted order.
func (s Sessions) Usernames() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Diff reports which usernames are present in s but not in previous (joined)
// and which are present in previous but not in s (left).
func (s Sessions) Diff(previous Sessions) (joined, left []string) {
	for _, name := range s.Usernames() {
		if _, ok := previous[name]; !ok {
			joined = append(joined, name)
		}
	}
	for _, name := range previous.Usernames() {
		if _, ok := s[name]; !ok {
			left = append(left, name)
		}
	}
	return joined, left
}
