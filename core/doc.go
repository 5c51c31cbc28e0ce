// Copyright 2019 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

/*
Package core holds the concepts and pure logic of network service
lifecycle management: entities and their statuses, operations and their
steps, lease tokens, collaborator contracts, and bus message shapes.

This is a necessarily broad brush; if anything, it's most important to
be aware what should *not* go here. In particular:

  - if it makes any reference to MongoDB, it should not be in here.
  - if it's in any way concerned with bus or HTTP transport, it should
    not be in here.
  - if it schedules, retries, or otherwise *runs* anything, it belongs
    in a worker, not in here.

Subpackages of core may import one another, but must never import
state, msgbus, workflow or worker packages.
*/
package core
