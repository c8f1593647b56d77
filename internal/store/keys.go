package store

import "fmt"

// ActiveMatchesKey is the global set of match ids the scheduler advances.
const ActiveMatchesKey = "lobbies:active"

func configKey(id string) string    { return fmt.Sprintf("lobby:%s:config", id) }
func snapshotKey(id string) string  { return fmt.Sprintf("lobby:%s:state", id) }
func seqKey(id string) string       { return fmt.Sprintf("lobby:%s:seq", id) }
func inputsKey(id string) string    { return fmt.Sprintf("lobby:%s:inputs", id) }
func playersKey(id string) string   { return fmt.Sprintf("lobby:%s:players", id) }
func finalizedKey(id string) string { return fmt.Sprintf("lobby:%s:finalized", id) }
