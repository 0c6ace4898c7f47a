/*
 * Copyright (c) 2026 attestd authors. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package model

import "time"

// Challenge represents a challenge issued for one remote audit.
type Challenge struct {
	ID        int64
	Challenge []byte
	CreatedAt time.Time
	ExpiredAt time.Time
	Consumed  bool
}
