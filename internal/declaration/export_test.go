package declaration

var WatchWithSettle = watch
