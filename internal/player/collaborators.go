// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 AuthGate Contributors

package player

// StateService protects and restores player game state around the
// authentication window (movement lock, inventory hiding, effects).
type StateService interface {
	// Protect snapshots and freezes the player's state for the
	// duration of authentication. Idempotent.
	Protect(conn Conn)

	// Restore returns the player to the state captured by Protect.
	Restore(conn Conn)
}

// VisibilityService re-exposes a freshly authenticated player to the
// rest of the game world.
type VisibilityService interface {
	Update(conn Conn)
}

// Prompter renders credential prompts. Rendering (chat text, forms,
// titles) is entirely the implementation's concern.
type Prompter interface {
	PromptLogin(conn Conn)
	PromptRegister(conn Conn)
	PromptForceChange(conn Conn)
}
