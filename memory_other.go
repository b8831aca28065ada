// Copyright (C) 2022 K2 Cyber Security Inc.

//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package vhook

func defaultMemory() Memory {
	return nil
}
