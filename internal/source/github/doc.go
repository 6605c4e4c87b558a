// Package github queries the GitHub releases API for the latest published tag
// of a repository. Successful answers are cached for a short TTL; the client
// never retries, callers decide what to do with a failure.
package github
