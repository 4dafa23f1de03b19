// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


package ux

import (
	"errors"
	"os"

	"github.com/charmbracelet/huh"
)

// Confirm asks a yes/no question on the terminal.
//
// Without a terminal on stdin, or in ModeMachine, nothing is asked and the
// answer is yes; scripts opt in by running the command at all. Esc and
// Ctrl+C answer no.
func Confirm(title, affirmative string) (bool, error) {
	if !IsTerminal(os.Stdin) || CurrentMode() == ModeMachine {
		return true, nil
	}
	ok := false
	err := huh.NewConfirm().
		Title(title).
		Affirmative(affirmative).
		Negative("Cancel").
		Value(&ok).
		Run()
	if errors.Is(err, huh.ErrUserAborted) {
		return false, nil
	}
	return ok, err
}
