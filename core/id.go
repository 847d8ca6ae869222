// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewID returns a process-unique frame identifier in the form
// msg_<unix-ms>_<8 hex>.
func NewID() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("msg_%d_%s", time.Now().UnixMilli(), suffix)
}
