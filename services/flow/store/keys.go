// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import "fmt"

// Key layout. Zero padding keeps lexical key order equal to numeric order,
// so prefix iteration returns rows oldest first.
//
//	exec/{run}/{seq:016d}
//	log/{run}/{seq:016d}
//	ckpt/{run}/{cycle:010d}/{seq:010d}
//	meta/{run}/{key}
//	run/{run}

const runPrefix = "run/"

func execPrefix(run string) []byte { return []byte(fmt.Sprintf("exec/%s/", run)) }
func logPrefix(run string) []byte  { return []byte(fmt.Sprintf("log/%s/", run)) }
func ckptPrefix(run string) []byte { return []byte(fmt.Sprintf("ckpt/%s/", run)) }
func metaPrefix(run string) []byte { return []byte(fmt.Sprintf("meta/%s/", run)) }

func execKey(run string, seq uint64) []byte {
	return []byte(fmt.Sprintf("exec/%s/%016d", run, seq))
}

func logKey(run string, seq uint64) []byte {
	return []byte(fmt.Sprintf("log/%s/%016d", run, seq))
}

func ckptCyclePrefix(run string, cycle int) []byte {
	return []byte(fmt.Sprintf("ckpt/%s/%010d/", run, cycle))
}

func ckptKey(run string, cycle int, seq uint64) []byte {
	return []byte(fmt.Sprintf("ckpt/%s/%010d/%010d", run, cycle, seq))
}

func metaKey(run, key string) []byte {
	return []byte(fmt.Sprintf("meta/%s/%s", run, key))
}

func runKey(run string) []byte {
	return []byte(runPrefix + run)
}
