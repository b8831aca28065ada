// Copyright (C) 2022 K2 Cyber Security Inc.

// Package redirect maps the storage paths a guest application uses onto an
// isolated tree under a virtual root.
//
// With a virtual root of /sandbox and the package com.example the layout is
//
//	/sandbox/user_0/com.example/data       private data (/data/data/com.example)
//	/sandbox/user_0/com.example/cache
//	/sandbox/user_0/com.example/files
//	/sandbox/sdcard/Android/data/com.example   external app data
//	/sandbox/sdcard/Android/obb/com.example    external obb files
//
// Paths under /system, /vendor, /apex, /dev, /proc and /sys are never
// rewritten. Paths of other packages, app install paths and any configured
// extra prefixes are rewritten by prefixing them with the virtual root.
// Translations are cached until the virtual root, the package name or the
// user id change.
package redirect
