//
// Copyright 2024 Intel Corporation.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//

package pqos

import (
	"strconv"

	"github.com/intel/intel-cmt-cat-sub003/topology"
	"github.com/intel/intel-cmt-cat-sub003/utils"
)

// CoreInfo reports lcore's domain membership, the utility function
// group of spec.md §6: which L3/L2/MBA/SNC domain it belongs to, the
// information AssociateCore/Assign callers need to pick a domain
// argument without re-deriving it from topology.Info themselves.
func (q *Qos) CoreInfo(lcore int) (topology.LCore, bool) {
	return q.topo.CoreByLCore(lcore)
}

// L3Domains lists every distinct L3 CAT domain ID on the platform.
func (q *Qos) L3Domains() []int {
	var tags []string
	for _, c := range q.topo.Cores {
		tags = append(tags, strconv.Itoa(c.L3CatID))
	}
	tags = utils.StringSliceUniquify(tags)

	out := make([]int, 0, len(tags))
	for _, tag := range tags {
		id, _ := strconv.Atoi(tag)
		out = append(out, id)
	}
	return out
}

// CoresInL3Cluster lists every core sharing lcore's L3 cache.
func (q *Qos) CoresInL3Cluster(lcore int) []topology.LCore {
	core, ok := q.topo.CoreByLCore(lcore)
	if !ok {
		return nil
	}
	return q.topo.CoresInL3Cluster(core.L3CatID)
}

// MmioEnabled reports whether Init brought up the device-channel
// back-end.
func (q *Qos) MmioEnabled() bool {
	return q.MmioMonitor != nil
}
