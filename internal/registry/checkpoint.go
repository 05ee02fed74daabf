/*
Copyright The CloudNativePG Contributors

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

// Package registry implements the provider lookup and naming surfaces for
// queue-streaming deployments: the keyed policy/storage provider registry
// and the checkpoint stream naming scheme, naming only — wiring a live
// queue stream is out of scope.
package registry

import "fmt"

// CheckpointStreamName builds the checkpoint name a queue-streaming
// provider uses to persist its position: a serviceId scoped path carrying
// the stream provider name, the queue, and a 32-hex-digit id.
func CheckpointStreamName(serviceID, streamProviderName, queue string, id [16]byte) string {
	return fmt.Sprintf("%s/checkpoints/%s/%s/%x", serviceID, streamProviderName, queue, id)
}
