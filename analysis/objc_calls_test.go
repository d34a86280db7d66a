package analysis

import "testing"

func TestToSet(t *testing.T) {
	if got := toSet(nil); got != nil {
		t.Errorf("toSet(nil) = %v, want nil", got)
	}
	if got := toSet([]string{}); got != nil {
		t.Errorf("toSet([]) = %v, want nil", got)
	}
	got := toSet([]string{"NSString", "NSArray"})
	if len(got) != 2 || !got["NSString"] || !got["NSArray"] {
		t.Errorf("toSet() = %v, want set of NSString, NSArray", got)
	}
}

func TestClassSelKeyIsUnambiguous(t *testing.T) {
	a := classSelKey("NSString", "length")
	b := classSelKey("NSStrin", "glength")
	if a == b {
		t.Errorf("classSelKey collided: %q == %q for different (class, selector) pairs", a, b)
	}
}

func TestMsgSendNamesCoversStretAndSuperVariants(t *testing.T) {
	for _, name := range []string{"_objc_msgSend", "_objc_msgSendSuper2", "_objc_msgSend_stret", "_objc_msgSendSuper2_stret"} {
		if !msgSendNames[name] {
			t.Errorf("msgSendNames[%q] = false, want true", name)
		}
	}
	if msgSendNames["_objc_opt_new"] {
		t.Error("msgSendNames[_objc_opt_new] = true, want false: it's a fast-path call, not a msgSend dispatch")
	}
}

func TestFastPathSelectorsNamesTheImpliedSelector(t *testing.T) {
	cases := map[string]string{
		"_objc_opt_new":                "new",
		"_objc_opt_alloc":              "alloc",
		"_objc_opt_isKindOfClass":      "isKindOfClass:",
		"_objc_opt_respondsToSelector": "respondsToSelector:",
		"_objc_opt_class":              "class",
		"_objc_opt_self":               "self",
		"_objc_alloc_init":             "alloc/init",
	}
	for symbol, want := range cases {
		if got := fastPathSelectors[symbol]; got != want {
			t.Errorf("fastPathSelectors[%q] = %q, want %q", symbol, got, want)
		}
	}
}

func TestIsObjcDispatchCoversBothTables(t *testing.T) {
	if !isObjcDispatch("_objc_msgSend") {
		t.Error("isObjcDispatch(_objc_msgSend) = false, want true")
	}
	if !isObjcDispatch("_objc_opt_isKindOfClass") {
		t.Error("isObjcDispatch(_objc_opt_isKindOfClass) = false, want true")
	}
	if isObjcDispatch("_malloc") {
		t.Error("isObjcDispatch(_malloc) = true, want false")
	}
}
