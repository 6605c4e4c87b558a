// Package tag normalizes and orders loosely structured release tags.
//
// Upstream tags are arbitrary strings ("v4.2.3", "2024.01.15", "nightly"),
// so comparison yields one of four outcomes and keeps "cannot determine"
// distinct from "equal".
package tag
