// Package provider is the HTTP client for the CurseForge-compatible mod API.
//
// It lists a project's latest files, resolves the newest server pack, fetches
// single file descriptors and opens artifact downloads. Every failure is an
// *UpstreamError wrapping ErrUpstream.
package provider
