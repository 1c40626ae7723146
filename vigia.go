/*
Copyright 2024 Vigia Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

/*
Package vigia resolves insurance policy data for billed clients by driving an
insurer's web portal. A LookupWorker keeps one authenticated browser session,
searches each client's document id, picks the active row matching the
client's name and records the result against the invoice.
*/
package vigia

import "embed"

//go:embed sql/*.sql
var SQLFiles embed.FS
