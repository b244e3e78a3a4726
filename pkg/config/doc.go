// SPDX-License-Identifier: BSD-3-Clause

// Package config defines the daemon configuration document and its loader.
//
// The configuration is a YAML document whose top level must contain a
// `configuration` mapping:
//
//	configuration:
//	  port: 22244
//	  timeout_check_interval: 5.0
//	  machines:
//	    - name: m
//	      tags: [default]
//	      width: 1
//	      height: 2
//	      board_locations:
//	        - {x: 0, y: 0, z: 0, cabinet: 0, frame: 0, board: 0}
//	      bmp_addresses:
//	        - {cabinet: 0, frame: 0, host: 10.0.0.0}
//	      spinnaker_addresses:
//	        - {x: 0, y: 0, z: 0, host: 11.0.0.0}
//
// Machine order in the document is significant and preserved: the allocator
// considers machines in the order given. Loading validates the document and
// fails without producing a configuration on any structural problem, so a
// running daemon can always keep its previous configuration when a reload
// fails.
package config
