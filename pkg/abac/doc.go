/*
Package abac implements the fabric's attribute-based access control:
a small boolean expression language (and/or/not/eq/member over
subject/resource attributes and the action name), a Policies store
with exact-resource > resource-type > deny lookup precedence, and the
bbolt-backed PolicyRepository/AttributeRepository pair that back it.
*/
package abac
