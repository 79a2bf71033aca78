// Copyright 2022 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// kbsd wires up the pre-attestation key broker's dispatcher: it reads the ambient environment
// configuration, opens the configured policy store, loads the default policy, and constructs a
// dispatch.Dispatcher. It does not itself speak any wire protocol to guests or PSPs; the
// transport frontend that calls Dispatcher.GetBundle/GetSecret is out of scope here.
package main

import (
	"flag"
	"os"

	"github.com/google/go-sev-kbs/config"
	"github.com/google/go-sev-kbs/dispatch"
	"github.com/google/go-sev-kbs/policy"
	"github.com/google/logger"
)

var defaultPolicyPath = flag.String("default_policy", "default_policy.json",
	"Path to the default policy file, used when a secret, keyset, resource, or report "+
		"keypair names no explicit polid.")
var verbose = flag.Bool("v", false, "Enable verbose logging.")

func main() {
	flag.Parse()
	logger.Init("kbsd", *verbose, false, os.Stderr)

	cfg, err := config.FromEnv(*defaultPolicyPath)
	if err != nil {
		logger.Fatal(err)
	}
	d, err := build(cfg)
	if err != nil {
		logger.Fatal(err)
	}
	logger.Infof("dispatcher ready for port %d (transport frontend not started by kbsd)", cfg.ListenPort)
	_ = d // consumed by the transport frontend this binary does not implement
}

// build resolves cfg into a fully wired Dispatcher, or an error describing the first
// configuration or storage problem encountered.
func build(cfg *config.Config) (*dispatch.Dispatcher, error) {
	store, err := policy.Open(cfg.DB)
	if err != nil {
		return nil, err
	}
	defaultPolicy, err := config.LoadDefaultPolicy(cfg.DefaultPolicyPath)
	if err != nil {
		return nil, err
	}
	return &dispatch.Dispatcher{
		Store:         store,
		TTL:           cfg.ConnTTL,
		DefaultPolicy: defaultPolicy,
	}, nil
}
