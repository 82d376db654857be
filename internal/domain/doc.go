// Package domain holds the records shared by the scheduling core: accounts with
// their posting pattern, queued items, and allocation errors.
package domain
