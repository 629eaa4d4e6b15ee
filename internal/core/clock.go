package core

import "time"

// Now is the package's time source, overridable in tests that need
// deterministic timestamps.
var Now = time.Now
