// Package health reports the state of the optimization core as a tree of
// Status values.
//
// A Status is healthy, degraded or unhealthy. Components register a Check
// with a Monitor; Evaluate runs every check and Aggregate folds the results:
// any unhealthy child makes the parent unhealthy, otherwise any degraded
// child makes it degraded.
//
//	monitor := health.NewMonitor(clock.New())
//	monitor.Register("realtime", func() health.Status {
//	    if errored > 0 {
//	        return health.NewDegraded("realtime", "subscriptions in error state")
//	    }
//	    return health.NewHealthy("realtime", "ok")
//	})
//	system := monitor.Evaluate("fitopt")
//
// Messages built from errors go through FromError, which strips URLs, paths,
// addresses and credentials before they reach the diagnostics endpoint.
package health
