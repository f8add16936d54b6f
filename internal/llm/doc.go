// Package llm implements the analyze and score steps. The openai provider
// talks to any OpenAI-compatible chat completions endpoint; the local
// provider uses text heuristics and needs no network.
package llm
