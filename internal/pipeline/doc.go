// Package pipeline defines the shared types, collaborator interfaces, and
// status state machine of the URL analysis pipeline.
//
// A submission flows through two queues. Processing tasks carry a URL to be
// fetched and analyzed; evaluation tasks carry the analysis to be scored.
// Every stage reports its transitions as StatusEvents, and Request records
// in a RequestStore are the authoritative view of a request's status.
package pipeline
