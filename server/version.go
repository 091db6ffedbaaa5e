// Copyright 2019 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"fmt"

	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Version information, overridden at build time through ldflags.
var (
	ReleaseVersion = "None"
	BuildTS        = "None"
	GitHash        = "None"
	GitBranch      = "None"
)

// LogVersionInfo prints the version information through the logger.
func LogVersionInfo() {
	log.Info("Welcome to tinybalance")
	log.Info("tinybalance", zap.String("release-version", ReleaseVersion))
	log.Info("tinybalance", zap.String("git-hash", GitHash))
	log.Info("tinybalance", zap.String("git-branch", GitBranch))
	log.Info("tinybalance", zap.String("utc-build-time", BuildTS))
}

// PrintVersionInfo prints the version information without log info.
func PrintVersionInfo() {
	fmt.Println("Release Version:", ReleaseVersion)
	fmt.Println("Git Commit Hash:", GitHash)
	fmt.Println("Git Branch:", GitBranch)
	fmt.Println("UTC Build Time: ", BuildTS)
}
