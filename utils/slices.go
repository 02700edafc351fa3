//
// Copyright 2019-2020 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package utils

// StringSliceUniquify removes duplicate elements from s, preserving the
// order of first occurrence; pqos.Qos.L3Domains uses it to dedupe
// per-core domain tags down to the platform's distinct domain list.
func StringSliceUniquify(s []string) []string {
	keys := make(map[string]bool)
	result := []string{}
	for _, str := range s {
		if _, ok := keys[str]; !ok {
			keys[str] = true
			result = append(result, str)
		}
	}
	return result
}
