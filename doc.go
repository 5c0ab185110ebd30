// Copyright 2026 The Procvisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
// Package procvisor supervises groups of worker processes on a single
// host.  This is similar in concept to pm2 or supervisord: a group runs
// several instances of the same program, each with its own port (or all
// sharing one listening socket), and the supervisor restarts instances
// that crash, within a budget, backing off between attempts.
//
// A group can also be restarted on demand, or when files under its
// working directory change.  Restarts roll through the instances one at
// a time, so a group of more than one instance keeps serving.
//
// The Supervisor can be embedded in another program; the rest package
// exposes it over HTTP, and the procvisor command wraps both.
//
package procvisor
