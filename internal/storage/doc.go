package storage

// Package storage provides a minimal persistence layer used by the agent.
//
// It currently supports:
//   - Report batch history (one batch per dispatch cycle)
//   - Optional alert dedup state (to survive restarts)
